// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/orihimee/lalona-vault/cmd"

func main() {
	cmd.Execute()
}
