// fanetsimctl is the CLI client for a running fanetsim daemon: it fetches
// the final metrics report and streams live observation events.
package main

import "github.com/skyferry/fanetsim/cmd/fanetsimctl/commands"

func main() {
	commands.Execute()
}
