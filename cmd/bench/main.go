package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sharsein/hifi/pkg/node"
	"github.com/sharsein/hifi/pkg/transport"
	"github.com/sharsein/hifi/pkg/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:40106", "relay udp address")
	n := flag.Int("n", 50, "simulated participants")
	hz := flag.Int("hz", 60, "state updates per second per participant")
	dur := flag.Duration("d", 10*time.Second, "run time")
	stateSize := flag.Int("state", 100, "state size bytes")
	flag.Parse()

	if err := validate(*n, *hz, *stateSize); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	relay, err := node.ResolveAddrPort(node.NormalizeHostPort(*addr, node.DefaultPort))
	if err != nil {
		fmt.Println(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *dur)
	defer cancel()

	var sent, packets, records, bytes atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := participant(ctx, relay, *hz, *stateSize, &sent, &packets, &records, &bytes); err != nil {
				fmt.Println("participant:", err)
			}
		}()
	}
	wg.Wait()

	secs := time.Since(start).Seconds()
	fmt.Printf("%d participants, %s\n", *n, time.Since(start).Round(time.Millisecond))
	fmt.Printf("sent %d updates (%.0f/s)\n", sent.Load(), float64(sent.Load())/secs)
	fmt.Printf("received %d bulk packets (%.0f/s), %d records, %d bytes\n",
		packets.Load(), float64(packets.Load())/secs, records.Load(), bytes.Load())
	if p := packets.Load(); p > 0 {
		fmt.Printf("%.1f records/packet\n", float64(records.Load())/float64(p))
	}
}

func validate(n, hz, stateSize int) error {
	switch {
	case n < 0:
		return fmt.Errorf("-n must not be negative, got %d", n)
	case hz <= 0 || time.Second/time.Duration(hz) == 0:
		return fmt.Errorf("-hz must be between 1 and %d, got %d", int64(time.Second), hz)
	case stateSize < 0:
		return fmt.Errorf("-state must not be negative, got %d", stateSize)
	}
	return nil
}

func participant(ctx context.Context, relay netip.AddrPort, hz, stateSize int, sent, packets, records, bytes *atomic.Int64) error {
	conn, err := transport.Listen("0.0.0.0:0", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := uuid.New()
	if err := conn.WriteTo(wire.IDPacket(wire.TypeJoin, id), relay); err != nil {
		return err
	}

	go conn.Serve(ctx, func(b []byte, _ netip.AddrPort) {
		if t, err := wire.Type(b); err != nil || t != wire.TypeBulkAvatarData {
			return
		}
		packets.Add(1)
		bytes.Add(int64(len(b)))
		if recs, err := wire.SplitRecords(b, stateSize); err == nil {
			records.Add(int64(len(recs)))
		}
	})

	update := wire.IDPacket(wire.TypeAvatarData, id)
	update = append(update, make([]byte, stateSize)...)
	state := update[wire.HeaderSize+wire.IDSize:]

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rand.Read(state)
			if err := conn.WriteTo(update, relay); err == nil {
				sent.Add(1)
			}
		}
	}
}
