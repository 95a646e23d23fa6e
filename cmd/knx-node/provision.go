package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/store"
)

type provisionOptions struct {
	serial   string
	broker   string
	username string
	password string
	iid      uint64
	ia       string
}

func newProvisionCmd(g *globalOptions) *cobra.Command {
	var p provisionOptions

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Write serial number, join credentials and device configuration to the state file",
		Long: `Provision updates only the values given on the command line and leaves
the rest of the state file untouched. Run it before first boot, or after a
link reset erased the join credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			return provision(st, cmd.Flags().Changed, p, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.serial, "serial", "", "Serial number (12 hex digits)")
	f.StringVar(&p.broker, "broker", "", "MQTT broker URL")
	f.StringVar(&p.username, "username", "", "MQTT username")
	f.StringVar(&p.password, "password", "", "MQTT password")
	f.Uint64Var(&p.iid, "iid", 0, "Installation identifier")
	f.StringVar(&p.ia, "ia", "", "Individual address (area.line.device)")
	return cmd
}

// provision writes the values whose flags were set.
func provision(st *store.File, set func(name string) bool, p provisionOptions, out io.Writer) error {
	if set("serial") {
		if err := st.SetSerialNumber(p.serial); err != nil {
			return err
		}
	}

	if set("broker") || set("username") || set("password") {
		creds, err := st.Credentials()
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		if set("broker") {
			creds.Broker = p.broker
		}
		if set("username") {
			creds.Username = p.username
		}
		if set("password") {
			creds.Password = p.password
		}
		if err := st.SetCredentials(creds); err != nil {
			return err
		}
	}

	if set("iid") || set("ia") {
		iid, ia := st.DeviceConfig()
		if set("iid") {
			iid = p.iid
		}
		if set("ia") {
			v, err := device.ParseIA(p.ia)
			if err != nil {
				return err
			}
			ia = v
		}
		if err := st.SetDeviceConfig(iid, ia); err != nil {
			return err
		}
	}

	serial, err := st.SerialNumber()
	if err != nil {
		serial = device.DefaultSerialNumber + " (default)"
	}
	creds, _ := st.Credentials()
	iid, ia := st.DeviceConfig()
	fmt.Fprintf(out, "state:  %s\n", st.Path())
	fmt.Fprintf(out, "serial: %s\n", serial)
	fmt.Fprintf(out, "broker: %s\n", creds.Broker)
	fmt.Fprintf(out, "iid:    %d\n", iid)
	fmt.Fprintf(out, "ia:     %s\n", device.Record{IA: ia}.IAString())
	return nil
}
