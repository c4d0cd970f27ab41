// The main package for the crawlidx executable.
package main

import (
	"github.com/crawlidx/crawlidx/cmd"
)

func main() {
	cmd.Execute()
}
