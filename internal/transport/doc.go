// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket-level helpers shared by the HTTP layer and the frame engine. Socket
// options go through golang.org/x/sys, split by build tags (unix/windows).

package transport
