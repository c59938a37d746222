package main

import "github.com/lebao3105/LocalTalk-sub002/cmd"

func main() {
	cmd.Execute()
}
