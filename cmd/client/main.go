// Command client drives set/get requests against a PBFT-replicated
// key-value cluster using internal/clientdriver.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sydli/pbftkv/internal/clientdriver"
	"github.com/sydli/pbftkv/internal/signing"
)

func main() {
	var (
		target    string
		listen    string
		timeout   time.Duration
		numFaulty int
	)

	root := &cobra.Command{
		Use:   "client",
		Short: "Issue set/get requests against a PBFT-replicated key-value cluster",
	}
	root.PersistentFlags().StringVar(&target, "target", "127.0.0.1:9000", "address of a replica to send the request to")
	root.PersistentFlags().StringVar(&listen, "listen", "127.0.0.1:0", "local address to receive replica responses on")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for f+1 matching responses")
	root.PersistentFlags().IntVar(&numFaulty, "num-faulty", 1, "cluster's f, the number of tolerated Byzantine faults")

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set KEY to the 32-bit unsigned integer VALUE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("parse value: %w", err)
			}
			d, err := newDriver(listen, numFaulty)
			if err != nil {
				return err
			}
			defer d.Close()
			resp, err := d.Set(target, args[0], uint32(value), timeout)
			if err != nil {
				return err
			}
			fmt.Printf("set %s = %d: success=%v\n", args[0], value, resp.Success)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Get the current value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDriver(listen, numFaulty)
			if err != nil {
				return err
			}
			defer d.Close()
			resp, err := d.Get(target, args[0], timeout)
			if err != nil {
				return err
			}
			if resp.Value.Set {
				fmt.Printf("%s = %d\n", args[0], resp.Value.Val)
			} else {
				fmt.Printf("%s is unset\n", args[0])
			}
			return nil
		},
	}

	root.AddCommand(setCmd, getCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newDriver mints a per-invocation client identity (used only to seed
// the mock signer below, not part of core protocol state, which keys
// purely off (respond_addr, timestamp)) and starts the driver's
// response listener.
func newDriver(listen string, numFaulty int) (*clientdriver.Driver, error) {
	clientID := uuid.New()
	signer := signing.NewMockSigner([]byte(clientID.String()))
	return clientdriver.New(listen, signer, numFaulty)
}
