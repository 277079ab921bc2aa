// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command queryd serves conversational queries over tabular datasets.
//
// # Usage
//
//	# Serve HTTP, SSE, and WebSocket
//	queryd serve --config queryd.yaml
//
//	# One query in process
//	queryd ask -d capacity "show capacity for Germany 2023"
//
//	# Inspect a file before configuring it
//	queryd datasets inspect ./data/capacity.csv
//
// Configuration is YAML; common keys can be overridden with QUERYD_*
// environment variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
