// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lpmsgsrv

import "errors"

var (
	// ErrNumWorkers reports that Bootstrap was called with numWorkers < 1.
	ErrNumWorkers = errors.New("lpmsgsrv: num workers must be >= 1")

	// ErrShuttingDown describes an operation attempted on a server whose
	// Shutdown has already been invoked. No function in this package
	// returns it: a repeated Shutdown call returns nil.
	ErrShuttingDown = errors.New("lpmsgsrv: server is shutting down")
)
