// xdmcpdctl is the CLI client for the xdmcpd daemon's admin HTTP API.
package main

import "github.com/tessel-systems/xdmcpd/cmd/xdmcpdctl/commands"

func main() {
	commands.Execute()
}
