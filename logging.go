// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package starttls

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultLogger is the package's structured logger. Unlike the module-
// driven logging config this is adapted from, this package has no
// on-disk config surface (SPEC_FULL.md §6), so there is nothing to load;
// callers that want different sinks or levels call SetLogger.
var (
	defaultLogger   = newProductionLogger()
	defaultLoggerMu sync.RWMutex
)

// Log returns the package's current default logger. Library code should
// call this (or hold a *zap.Logger derived from it) rather than printing
// to stdout/stderr directly.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLogger replaces the package's default logger, e.g. so a host
// application can route transport logs into its own sink. Passing nil
// restores the production default.
func SetLogger(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if l == nil {
		l = newProductionLogger()
	}
	defaultLogger = l
}

func newProductionLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zapcore.InfoLevel,
	)
	return zap.New(core).Named("starttls")
}
