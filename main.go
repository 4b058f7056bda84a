package main

import (
	"fmt"

	"github.com/edgebridge/relay/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
