package main

import (
	"github.com/ColonelBlimp/kltdet/cmd"
	"github.com/ColonelBlimp/kltdet/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
