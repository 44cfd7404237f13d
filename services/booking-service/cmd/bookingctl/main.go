package main

import "github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/cli"

func main() {
	cli.Execute()
}
