/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package server

// Version is the current version of the service. Set at build time via
// ldflags:
//
//	-X github.com/KTH-EXPECA/blazar/internal/server.Version=X.Y.Z
var Version = "0.1.0"
