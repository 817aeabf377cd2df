/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package controller

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

const walScheme = "wal://"

type sourceHost struct {
	Host string
	Port string
}

// parseSourceURI extracts the provider host from a wal://host[:port][/...]
// URI.  Other schemes carry no host override and report ok=false.
func parseSourceURI(uri string) (sourceHost, bool, error) {
	if !strings.HasPrefix(uri, walScheme) {
		return sourceHost{}, false, nil
	}

	hostPort, _, _ := strings.Cut(uri[len(walScheme):], "/")
	if hostPort == "" {
		return sourceHost{}, false, errors.Wrapf(ErrInvalidInput, "no host in source uri %q", uri)
	}

	if strings.Contains(hostPort, ":") {
		host, port, err := net.SplitHostPort(hostPort)
		if err != nil || host == "" {
			return sourceHost{}, false, errors.Wrapf(ErrInvalidInput, "bad host in source uri %q", uri)
		}
		return sourceHost{Host: host, Port: port}, true, nil
	}

	return sourceHost{Host: hostPort}, true, nil
}
