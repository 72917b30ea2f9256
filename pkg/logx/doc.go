// Package logx is launchbot's structured logging wrapper around zerolog.
//
//   - console output with short timestamps and a short caller
//   - optional JSON file output
//   - optional alert sink that forwards warnings to an operator chat,
//     filtered by level and rate limited
package logx
