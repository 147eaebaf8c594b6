package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/emergingrobotics/go-ethosu/pkg/device"
)

func inferCommand() *cobra.Command {
	var (
		networkIndex uint32
		networkFile  string
		ifmFiles     []string
		ofmSizes     []string
		pmuEvents    []uint
		cycleCounter bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run one inference and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if len(ifmFiles) == 0 {
				return fmt.Errorf("at least one --ifm file is required")
			}
			if len(ofmSizes) == 0 {
				return fmt.Errorf("at least one --ofm-size is required")
			}
			if len(pmuEvents) > device.PmuEventMax {
				return fmt.Errorf("at most %d PMU events", device.PmuEventMax)
			}

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			var net *device.Network
			if networkFile != "" {
				data, err := os.ReadFile(networkFile)
				if err != nil {
					return err
				}
				net, err = s.dev.CreateNetwork(data)
				if err != nil {
					return err
				}
			} else {
				net, err = s.dev.CreateNetworkByIndex(networkIndex)
				if err != nil {
					return err
				}
			}
			defer net.Release()

			var ifm []*device.Buffer
			for _, path := range ifmFiles {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				buf, err := s.dev.CreateBuffer(uint32(len(data)))
				if err != nil {
					return err
				}
				defer buf.Release()
				copy(buf.Bytes(), data)
				ifm = append(ifm, buf)
			}

			var ofm []*device.Buffer
			for _, spec := range ofmSizes {
				size, err := units.RAMInBytes(spec)
				if err != nil {
					return fmt.Errorf("parsing ofm size %q: %w", spec, err)
				}
				buf, err := s.dev.CreateBuffer(uint32(size))
				if err != nil {
					return err
				}
				defer buf.Release()
				ofm = append(ofm, buf)
			}

			var pmu device.PmuConfig
			for i, ev := range pmuEvents {
				pmu.Events[i] = uint32(ev)
			}
			pmu.CycleCounter = cycleCounter

			start := time.Now()
			inf, err := net.CreateInference(ctx, device.InferenceArgs{
				Ifm: ifm,
				Ofm: ofm,
				Pmu: pmu,
			})
			if err != nil {
				return err
			}
			defer inf.Release()

			if err := inf.Wait(ctx); err != nil {
				return err
			}
			elapsed := time.Since(start)

			result := inf.Status()
			fmt.Printf("Status:  %s\n", result.State)
			fmt.Printf("Elapsed: %v\n", elapsed)
			for i, size := range result.OfmSizes {
				fmt.Printf("OFM %d:   %s\n", i, units.HumanSize(float64(size)))
			}
			for i, ev := range result.PmuEventConfig {
				if ev != 0 {
					fmt.Printf("PMU %d (event %d): %d\n", i, ev, result.PmuEventCount[i])
				}
			}
			if result.CycleCounterEnable {
				fmt.Printf("Cycles:  %d\n", result.CycleCounterCount)
			}
			return nil
		},
	}

	cmd.Flags().Uint32Var(&networkIndex, "network-index", 0, "firmware-resident network index")
	cmd.Flags().StringVar(&networkFile, "network", "", "network blob to load (overrides --network-index)")
	cmd.Flags().StringSliceVar(&ifmFiles, "ifm", nil, "input feature map file (repeatable)")
	cmd.Flags().StringSliceVar(&ofmSizes, "ofm-size", nil, "output feature map size (repeatable)")
	cmd.Flags().UintSliceVar(&pmuEvents, "pmu-event", nil, "PMU event id (repeatable)")
	cmd.Flags().BoolVar(&cycleCounter, "cycle-counter", false, "enable the cycle counter")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall operation timeout")
	return cmd
}
