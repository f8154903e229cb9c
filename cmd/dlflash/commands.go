package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/dlflash"
	"github.com/sliverarmory/dlflash/flashheap"
	"github.com/sliverarmory/dlflash/memmod"
)

var symModule string

var flashCmd = &cobra.Command{
	Use:   "flash <elf>",
	Short: "Load, link and commit an ELF executable to a module chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			st, err := rt.Flash(args[0], device)
			if err != nil {
				return err
			}
			m := st.Module
			fmt.Fprintf(cmd.OutOrStdout(), "module at 0x%08x on device %d: %s flash, %s RAM, entry 0x%08x\n",
				m.Addr, m.Device, humanize.Bytes(uint64(m.Header.FlashSize)), humanize.Bytes(uint64(m.Header.RAMSize)), m.Header.Entry)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the committed modules of a device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			mods, err := rt.Modules(device)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Address", "Name", "Flash", "RAM base", "RAM", "Entry"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, m := range mods {
				table.Append(moduleRow(m))
			}
			table.Render()
			return nil
		})
	},
}

func moduleRow(m *memmod.Module) []string {
	name := m.Name
	if name == "" {
		name = "-"
	}
	return []string{
		fmt.Sprintf("0x%08x", m.Addr),
		name,
		humanize.Bytes(uint64(m.Header.FlashSize)),
		fmt.Sprintf("0x%08x", m.Header.RAMBase),
		humanize.Bytes(uint64(m.Header.RAMSize)),
		fmt.Sprintf("0x%08x", m.Header.Entry),
	}
}

var openCmd = &cobra.Command{
	Use:   "open <soname>",
	Short: "Find a committed module by DT_SONAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			m, err := rt.Dlopen(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on device %d\n", m, m.Device)
			return rt.Dlclose(m)
		})
	},
}

var symCmd = &cobra.Command{
	Use:   "sym <name>",
	Short: "Resolve an exported symbol of the committed modules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			var m *memmod.Module
			if symModule != "" {
				var err error
				if m, err = rt.Dlopen(symModule); err != nil {
					return err
				}
			}
			addr, err := rt.Dlsym(m, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "0x%08x\n", addr)
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Run the constructors of every committed module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error { return rt.Init() })
	},
}

var finiCmd = &cobra.Command{
	Use:   "fini",
	Short: "Run the destructors of every committed module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error { return rt.Fini() })
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show flash and RAM usage of every device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			st, err := rt.Stats()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Device", "Modules", "Flash used", "Flash free", "RAM used", "RAM free"})
			table.SetBorder(false)
			for _, s := range st {
				table.Append([]string{
					deviceName(s.Device),
					strconv.Itoa(s.Modules),
					humanize.Bytes(uint64(s.FlashUsed)),
					humanize.Bytes(uint64(s.FlashFree)),
					humanize.Bytes(uint64(s.RAMUsed)),
					humanize.Bytes(uint64(s.RAMFree)),
				})
			}
			table.Render()
			return nil
		})
	},
}

func deviceName(i int) string {
	switch i {
	case flashheap.DeviceFlash:
		return "flash"
	case flashheap.DevicePSRAM:
		return "psram"
	}
	return strconv.Itoa(i)
}

var truncateCmd = &cobra.Command{
	Use:   "truncate <addr>",
	Short: "Drop the module at addr and every module loaded after it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}
		return withRuntime(func(rt *dlflash.Runtime) error {
			return rt.Truncate(device, uint32(addr))
		})
	},
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase a device and write an empty module chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *dlflash.Runtime) error {
			if err := rt.Format(device); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device %s formatted\n", deviceName(device))
			return nil
		})
	},
}

func init() {
	symCmd.Flags().StringVar(&symModule, "module", "", "Only search the module with this DT_SONAME.")
	rootCmd.AddCommand(flashCmd, listCmd, openCmd, symCmd, initCmd, finiCmd, statsCmd, truncateCmd, formatCmd)
}
