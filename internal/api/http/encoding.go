package http

import (
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
)

const contentTypeJSON = "application/json"

// ReadResponse is the body of POST /consumers/:id/read
type ReadResponse struct {
	Chunks []service.TraceChunk `json:"chunks" cbor:"1,keyasint"`
	Count  int                  `json:"count" cbor:"2,keyasint"`
	Bytes  int                  `json:"bytes" cbor:"3,keyasint"`
}

// NewReadResponse summarizes chunks
func NewReadResponse(chunks []service.TraceChunk) ReadResponse {
	if chunks == nil {
		chunks = []service.TraceChunk{}
	}
	resp := ReadResponse{Chunks: chunks, Count: len(chunks)}
	for _, ch := range chunks {
		resp.Bytes += len(ch.Payload)
	}
	return resp
}

// wantsCBOR reports whether the Accept header asks for CBOR
func wantsCBOR(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == codec.ContentType {
			return true
		}
	}
	return false
}

// encodeRead serializes and compresses resp as negotiated by the request
// headers. It returns the body, its content type and content encoding.
func encodeRead(accept, acceptEncoding string, resp ReadResponse) ([]byte, string, codec.Encoding, error) {
	var (
		body []byte
		ct   string
		err  error
	)
	if wantsCBOR(accept) {
		body, err = codec.Marshal(resp)
		ct = codec.ContentType
	} else {
		body, err = sonic.Marshal(resp)
		ct = contentTypeJSON
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("encoding read response: %w", err)
	}

	enc := codec.NegotiateEncoding(acceptEncoding)
	body, err = codec.Compress(enc, body)
	if err != nil {
		return nil, "", "", err
	}
	return body, ct, enc, nil
}

func writeRead(c *gin.Context, resp ReadResponse) error {
	body, ct, enc, err := encodeRead(c.GetHeader("Accept"), c.GetHeader("Accept-Encoding"), resp)
	if err != nil {
		return err
	}
	c.Header("Vary", "Accept, Accept-Encoding")
	if enc != codec.EncodingIdentity {
		c.Header("Content-Encoding", string(enc))
	}
	c.Data(http.StatusOK, ct, body)
	return nil
}

// DecodeReadResponse parses a read response body given its Content-Type
// and Content-Encoding headers
func DecodeReadResponse(contentType, contentEncoding string, body []byte) (ReadResponse, error) {
	var resp ReadResponse
	data, err := codec.Decompress(codec.Encoding(strings.TrimSpace(contentEncoding)), body)
	if err != nil {
		return resp, err
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == codec.ContentType {
		err = codec.Unmarshal(data, &resp)
	} else {
		err = sonic.Unmarshal(data, &resp)
	}
	if err != nil {
		return resp, fmt.Errorf("decoding read response: %w", err)
	}
	return resp, nil
}
