// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for humans
//
// Components take a *zap.Logger obtained from Logger.Component and log with
// structured fields such as producer_id, buffer_id and session_id.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	svc := service.New(loop, cfg, logger.Component("service"), metrics)
//	logger.Info("listening", zap.String("addr", addr))
package logging
