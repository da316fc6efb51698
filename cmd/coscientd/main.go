package main

import "github.com/jplfaria/CogniscientAssistant-sub001/internal/cli"

func main() {
	cli.Execute()
}
