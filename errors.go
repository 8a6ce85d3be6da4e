// Copyright 2024 The detour Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detour

import "errors"

// ErrAlreadyHooked is returned by Install functions when the target address
// (or instance address, for vtable hooks) is already present in the
// process-wide Registry.
var ErrAlreadyHooked = errors.New("detour: target already hooked")
