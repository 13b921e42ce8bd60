// transport-demo starts two nodes on localhost, joins them over tcp and
// demonstrates delivery with Ok and Failed replies.
//
// Run:  go run ./cmd/transport-demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ironfang-ltd/go-dish"
)

func main() {
	unknown := dish.NewAddress()
	known := dish.NewAddress()

	// --- Receiver B: accept deliveries for the known address only ---
	receiverB := dish.ReceiverFunc(func(ctx context.Context, d dish.Delivery) error {
		fmt.Printf("[node-b] received delivery  UUID=%s  Receiver=%s  Message=%s\n",
			d.UUID, d.Receiver, d.Message)
		if d.Receiver != known {
			return fmt.Errorf("no cell at %s", d.Receiver)
		}
		return nil
	})

	repoB := dish.NewConnectionRepository().AddAll(dish.SupportedConnections()...)
	nodeB := dish.NewNode(repoB, receiverB, dish.WithName("node-b"))

	lnB, err := dish.ListenTCP("127.0.0.1:0", nodeB.Accept, dish.WithName("node-b"))
	if err != nil {
		log.Fatalf("ListenTCP B: %v", err)
	}
	lnB.Start()
	defer lnB.Close()

	repoA := dish.NewConnectionRepository().AddAll(dish.SupportedConnections(dish.WithName("node-a"))...)
	nodeA := dish.NewNode(repoA, nil, dish.WithName("node-a"))

	fmt.Printf("node-b listening on %s\n", lnB.Description())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// --- Join A → B ---
	fmt.Println("\n--- Joining node-b from node-a ---")
	if err := nodeA.Join(ctx, lnB.Description()); err != nil {
		log.Fatalf("Join: %v", err)
	}
	for _, p := range nodeA.Peers() {
		fmt.Printf("[node-a] peer %s (%s, remote=%s)\n", p.Description, p.Direction, p.Remote)
	}

	// --- Deliver to a known receiver ---
	fmt.Println("\n--- Delivering to a known receiver ---")
	msg := dish.NewComposite(map[string]dish.Message{
		"greeting": dish.StringMessage("hello from node-a"),
		"count":    dish.IntegerMessage(42),
		"reply-to": dish.AddressMessage(dish.NewAddress()),
	})
	if err := nodeA.Deliver(ctx, lnB.Description(), dish.NewDelivery(known, msg)); err != nil {
		log.Fatalf("Deliver: %v", err)
	}
	fmt.Println("OK: peer answered Ok.")

	// --- Deliver to an unknown receiver ---
	fmt.Println("\n--- Delivering to an unknown receiver ---")
	err = nodeA.Deliver(ctx, lnB.Description(), dish.NewDelivery(unknown, dish.StringMessage("anyone?")))
	var failed *dish.DeliveryFailedError
	if errors.As(err, &failed) {
		fmt.Printf("OK: peer answered Failed (cause=%q).\n", failed.Cause)
	} else {
		fmt.Printf("FAIL: expected a failed delivery, got %v\n", err)
	}

	// --- Leave ---
	if err := nodeA.LeaveAll(ctx); err != nil {
		log.Printf("LeaveAll: %v", err)
	}

	fmt.Println("\nDemo complete.")
}
