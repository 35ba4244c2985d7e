// Command rsdp-admin sends a one-byte UDP datagram, whose value is the
// number of members to poke, to an admin endpoint address, grounded on
// proc.py's Admin class (datagram_received samples `random.sample(range(7),
// int(data))` and triggers Propose on each sampled proc). rsdp-node opens
// no admin endpoint and does not act on this datagram.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var host string
	var port int
	var count int

	root := &cobra.Command{
		Use:   "rsdp-admin",
		Short: "send a one-byte admin poke datagram",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > 255 {
				return fmt.Errorf("count must be in [1,255], got %d", count)
			}
			addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
			conn, err := net.DialUDP("udp", nil, addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Write([]byte{byte(count)})
			return err
		},
	}

	root.Flags().StringVar(&host, "host", "127.0.0.1", "admin endpoint host")
	root.Flags().IntVar(&port, "port", 4000, "admin endpoint port")
	root.Flags().IntVarP(&count, "count", "c", 1, "number of members to poke")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
