package main

import "github.com/helmetads/payment-service/cmd"

func main() {
	cmd.Execute()
}
