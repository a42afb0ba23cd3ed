package main

import (
	"fmt"
	"os"

	"github.com/agentmesh/agentmesh/cmd/node"
	versioncmd "github.com/agentmesh/agentmesh/cmd/version"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("expected a subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "node":
		node.Main(os.Args[2:])
	case "version":
		versioncmd.Main(os.Args[2:])
	default:
		fmt.Printf("unknown subcommand: %s", os.Args[1])
		os.Exit(1)
	}
}
