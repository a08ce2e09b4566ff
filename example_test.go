package mininetem_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/bassosimone/mininetem"
)

// This example shows how to create a network with two switches, a
// learning controller, and two hosts on each switch. Then we ping
// between all the hosts and print the flows of the first switch.
func Example_twoSwitchPingAll() {
	// Create an empty network using the default config.
	network, err := mininetem.NewNetwork(&mininetem.NullLogger{}, mininetem.NewDefaultNetworkConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer network.Stop()

	// Add controllers, switches, hosts, and links.
	if err := mininetem.TwoSwitchTopology(2).Build(&mininetem.NullLogger{}, network); err != nil {
		log.Fatal(err)
	}

	// Start the network, which connects the switches to the controller.
	if err := network.Start(); err != nil {
		log.Fatal(err)
	}

	// Ping between all the hosts.
	loss, err := network.PingAll(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%.0f%% dropped\n", loss)

	// The controller should have installed a flow for each of the other
	// three hosts towards h1, and one from h1 towards each of them.
	s1, err := network.Switch("s1")
	if err != nil {
		log.Fatal(err)
	}
	var towardsH1 int
	for _, flow := range s1.DumpFlows() {
		if flow.Match.NwDst.String() == "10.0.0.1" {
			towardsH1++
		}
	}
	fmt.Printf("%d flows towards h1\n", towardsH1)

	// Output:
	// 0% dropped
	// 3 flows towards h1
}

// This example shows how to connect two hosts with a link and
// exchange TCP traffic between them.
func Example_hostToHostTCP() {
	// Create the two hosts.
	client, err := mininetem.NewHost(&mininetem.NullLogger{}, "h1", "10.0.0.1", mininetem.DefaultMTU)
	if err != nil {
		log.Fatal(err)
	}
	server, err := mininetem.NewHost(&mininetem.NullLogger{}, "h2", "10.0.0.2", mininetem.DefaultMTU)
	if err != nil {
		log.Fatal(err)
	}

	// Connect them using a link with 10 ms of one-way delay. The link
	// takes ownership of the two hosts and closes them.
	link := mininetem.NewLink(&mininetem.NullLogger{}, client, server, &mininetem.LinkConfig{
		LeftToRightDelay: 10 * time.Millisecond,
		RightToLeftDelay: 10 * time.Millisecond,
	})
	defer link.Close()

	// Create a TCP server sending a message to each client.
	listener, err := server.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 80})
	if err != nil {
		log.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("Bonsoir, Elliot!"))
		conn.Close()
	}()

	// Connect to the server and read the message.
	conn, err := client.DialContext(context.Background(), "tcp", "10.0.0.2:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	message, err := io.ReadAll(conn)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", string(message))

	// Output:
	// Bonsoir, Elliot!
}
