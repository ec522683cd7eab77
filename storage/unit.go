// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
)

// Unit buffers the writes of one event on top of a base Store.
// Reads see buffered writes first. Nothing reaches the base store until
// Commit, which hands every buffered op to the base in a single Apply.
type Unit struct {
	base    Store
	pending map[Kind]map[string]*Op
	order   []*Op
}

var _ Store = (*Unit)(nil)

// NewUnit starts a unit of work over base.
func NewUnit(base Store) *Unit {
	return &Unit{
		base:    base,
		pending: make(map[Kind]map[string]*Op),
	}
}

func (u *Unit) lookup(kind Kind, id string) (*Op, bool) {
	ops, ok := u.pending[kind]
	if !ok {
		return nil, false
	}
	op, ok := ops[id]
	return op, ok
}

func (u *Unit) record(op Op) {
	ops, ok := u.pending[op.Kind]
	if !ok {
		ops = make(map[string]*Op)
		u.pending[op.Kind] = ops
	}
	if existing, ok := ops[op.ID]; ok {
		*existing = op
		return
	}
	stored := op
	ops[op.ID] = &stored
	u.order = append(u.order, &stored)
}

func (u *Unit) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if op, ok := u.lookup(kind, id); ok {
		if op.Delete {
			return nil, ErrNotFound
		}
		return bytes.Clone(op.Value), nil
	}
	return u.base.Get(ctx, kind, id)
}

func (u *Unit) Put(ctx context.Context, kind Kind, id string, value []byte) error {
	u.record(Op{Kind: kind, ID: id, Value: bytes.Clone(value)})
	return nil
}

func (u *Unit) Delete(ctx context.Context, kind Kind, id string) error {
	u.record(Op{Kind: kind, ID: id, Delete: true})
	return nil
}

// Iterate merges the base store's entries with buffered writes, in id order.
func (u *Unit) Iterate(ctx context.Context, kind Kind, prefix string, fn func(id string, value []byte) error) error {
	merged := make(map[string][]byte)
	err := u.base.Iterate(ctx, kind, prefix, func(id string, value []byte) error {
		merged[id] = value
		return nil
	})
	if err != nil {
		return err
	}

	for id, op := range u.pending[kind] {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if op.Delete {
			delete(merged, id)
			continue
		}
		merged[id] = op.Value
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := fn(id, bytes.Clone(merged[id])); err != nil {
			return err
		}
	}
	return nil
}

// Apply buffers ops; they are written on Commit.
func (u *Unit) Apply(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		u.record(op)
	}
	return nil
}

// Len returns the number of distinct buffered writes.
func (u *Unit) Len() int {
	return len(u.order)
}

// Commit writes every buffered op to the base store atomically and resets the unit.
func (u *Unit) Commit(ctx context.Context) error {
	if len(u.order) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(u.order))
	for _, op := range u.order {
		ops = append(ops, *op)
	}
	if err := u.base.Apply(ctx, ops); err != nil {
		return err
	}
	u.Discard()
	return nil
}

// Discard drops all buffered writes.
func (u *Unit) Discard() {
	u.pending = make(map[Kind]map[string]*Op)
	u.order = nil
}

// Close discards buffered writes. The base store stays open.
func (u *Unit) Close() error {
	u.Discard()
	return nil
}
