// Command ethosu exercises an Ethos-U subsystem over an rpmsg
// character device: handshake and capabilities, ping and one-shot
// inference runs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emergingrobotics/go-ethosu/pkg/device"
	"github.com/emergingrobotics/go-ethosu/pkg/dma"
	"github.com/emergingrobotics/go-ethosu/pkg/driver"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	devicePath   string
	carveoutBase uint32
	carveoutSize string
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:           "ethosu",
		Short:         "Ethos-U NPU runtime CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&devicePath, "device", "d", "/dev/rpmsg0",
		"rpmsg endpoint device")
	root.PersistentFlags().Uint32Var(&carveoutBase, "carveout-base", 0x80000000,
		"accelerator-visible base address of the DMA carveout")
	root.PersistentFlags().StringVar(&carveoutSize, "carveout-size", "16MiB",
		"DMA carveout size")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	root.AddCommand(infoCommand(), pingCommand(), inferCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// session bundles an open device with its transport resources
type session struct {
	dev *device.Device
	ept *driver.CharEndpoint
}

func openSession(ctx context.Context) (*session, error) {
	size, err := units.RAMInBytes(carveoutSize)
	if err != nil {
		return nil, fmt.Errorf("parsing carveout size: %w", err)
	}

	alloc, err := dma.NewCarveout(carveoutBase, uint32(size))
	if err != nil {
		return nil, err
	}

	ept, err := driver.OpenEndpoint(devicePath)
	if err != nil {
		alloc.Close()
		return nil, err
	}

	dev := device.New(ept, alloc, device.WithCrashReporter(func(err error) {
		logrus.WithError(err).Error("Firmware crash reported")
	}))

	go func() {
		if err := ept.Serve(func(data []byte) {
			if err := dev.Receive(data); err != nil {
				logrus.WithError(err).Warn("Error handling received packet")
			}
		}); err != nil {
			logrus.WithError(err).Warn("Endpoint receive loop stopped")
		}
	}()

	if err := dev.Start(ctx); err != nil {
		var errs *multierror.Error
		errs = multierror.Append(errs, err)
		if cerr := dev.Close(); cerr != nil {
			errs = multierror.Append(errs, cerr)
		}
		return nil, errs.ErrorOrNil()
	}

	return &session{dev: dev, ept: ept}, nil
}

func (s *session) close() {
	if err := s.dev.Close(); err != nil {
		logrus.WithError(err).Warn("Device teardown reported errors")
	}
}

func infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print driver version and firmware capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			v := s.dev.DriverVersion()
			caps := s.dev.Capabilities()

			fmt.Printf("Driver version:     %d.%d.%d\n", v.Major, v.Minor, v.Patch)
			fmt.Printf("Hardware version:   %d.%d (product %d)\n",
				caps.VersionMajor, caps.VersionMinor, caps.ProductMajor)
			fmt.Printf("Architecture:       %d.%d.%d\n",
				caps.ArchMajorRev, caps.ArchMinorRev, caps.ArchPatchRev)
			fmt.Printf("Firmware driver:    %d.%d.%d\n",
				caps.DriverMajorRev, caps.DriverMinorRev, caps.DriverPatchRev)
			fmt.Printf("MACs per cycle:     %d\n", caps.MacsPerCC)
			fmt.Printf("Cmd stream version: %d\n", caps.CmdStreamVersion)
			fmt.Printf("Custom DMA:         %v\n", caps.CustomDMA)
			return nil
		},
	}
}

func pingCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping the firmware",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			for i := 0; i < count; i++ {
				if err := s.dev.Ping(ctx); err != nil {
					return err
				}
				fmt.Printf("ping %d sent\n", i+1)
				time.Sleep(200 * time.Millisecond)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of pings")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("ethosu %s (built %s)\n", Version, BuildTime)
		},
	}
}
