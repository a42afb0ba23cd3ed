package version

import (
	"fmt"

	"github.com/agentmesh/agentmesh/pkg/version"
)

// Main executes the version subcommand
func Main([]string) {
	fmt.Println(version.Version)
}
