/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package status

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchbase/londiste-controller/common/topology"
)

// Sentinels used in place of tick ids and latencies.  Real tick ids are
// never negative.
const (
	NoData           int64 = -1
	ConnectionFailed int64 = -2
)

const errMsgOK = "OK"

// Record is one status report.  MASTER records carry no subscriber fields.
type Record struct {
	State          topology.State
	Role           topology.Role
	ErrMsg         string
	LastSent       int64
	LastApplied    int64
	LastReceived   int64
	AppliedLatency float64

	HasSubscriberFields bool
}

func newRecord(node topology.LocalNode) *Record {
	return &Record{
		State:          node.State,
		Role:           node.Role,
		ErrMsg:         errMsgOK,
		LastSent:       NoData,
		LastApplied:    NoData,
		LastReceived:   NoData,
		AppliedLatency: float64(NoData),
	}
}

func (r *Record) addError(msg string) {
	if r.ErrMsg == errMsgOK {
		r.ErrMsg = msg
		return
	}
	r.ErrMsg += "; " + msg
}

// WriteTo renders the record as key=value lines.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	state := strings.ToLower(string(r.State))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "status=%s\n", state)
	fmt.Fprintf(&buf, "string=%s\n", state)
	fmt.Fprintf(&buf, "role=%s\n", r.Role)
	fmt.Fprintf(&buf, "errmsg=%s\n", r.ErrMsg)
	fmt.Fprintf(&buf, "last-sent=%d\n", r.LastSent)
	if r.HasSubscriberFields {
		fmt.Fprintf(&buf, "last-applied=%d\n", r.LastApplied)
		fmt.Fprintf(&buf, "last-received=%d\n", r.LastReceived)
	}
	fmt.Fprintf(&buf, "applied-latency=%s\n", strconv.FormatFloat(r.AppliedLatency, 'f', -1, 64))

	return buf.WriteTo(w)
}

// EventRecord is the output of a successful wait.
type EventRecord struct {
	LastApplied  int64
	LastReceived int64
}

func (r *EventRecord) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "last-applied=%d\n", r.LastApplied)
	fmt.Fprintf(&buf, "last-received=%d\n", r.LastReceived)

	return buf.WriteTo(w)
}
