package main

import (
	"github.com/camuschat/camus-sub000/cmd"
	"github.com/camuschat/camus-sub000/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
