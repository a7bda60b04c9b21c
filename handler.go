// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lpmsgsrv

import "github.com/hbsc-oss/lpmsgsrv/internal/handler"

// Handler converts raw bytes into a typed request, produces a typed
// response, and serializes that response back to bytes. One Handler is
// shared by reference across every worker; implementations must be safe
// for concurrent invocation.
//
// It is a type alias for internal/handler.Handler so that package worker
// can depend on the same interface without importing this package.
type Handler[Req, Resp any] = handler.Handler[Req, Resp]
