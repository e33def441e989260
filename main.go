package main

import (
	"github.com/Formless-Technologies/gradients-tournament-text/cmd"
)

func main() {
	cmd.Execute()
}
