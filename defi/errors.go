// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import "errors"

// Fatal errors: Indexer.Handle returns them and the pipeline must halt.
var (
	ErrMarketNotFound  = errors.New("market not found")
	ErrMarketExists    = errors.New("market already exists")
	ErrNegativeBalance = errors.New("negative balance")
	ErrFacetConflict   = errors.New("facet already applied")
	ErrUnknownToken    = errors.New("token not in market")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrConservation    = errors.New("share conservation violated")
)
