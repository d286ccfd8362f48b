package main

import (
	"context"

	"github.com/evermind-ai/retention/cmd/retentiond/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd.Execute(ctx)
}
