// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/luxfi/positions/defi"
)

const maxLine = 4 << 20

// envelope is one line of the event stream. Kind is a decoded kind name;
// Topic is a topic0 and is used when Kind is empty.
type envelope struct {
	Kind  string          `json:"kind,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Event json.RawMessage `json:"event"`
}

func decodeEvent(line []byte) (defi.Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	name := env.Kind
	if name == "" {
		name = env.Topic
	}
	kind, ok := defi.ParseEventKind(name)
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	ev, _ := defi.NewEvent(kind)
	if len(env.Event) == 0 {
		return nil, fmt.Errorf("%s without body", kind)
	}
	if err := json.Unmarshal(env.Event, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

// replay feeds every line of r to the indexer and stops at the first error.
// Blank lines are ignored.
func replay(ctx context.Context, r io.Reader, x *defi.Indexer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	n, lineNo := 0, 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := decodeEvent(line)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := x.Handle(ctx, ev); err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		n++
	}
	return n, sc.Err()
}
