// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/vworker/cmd/vworker"

func main() {
	cmd.Execute()
}
