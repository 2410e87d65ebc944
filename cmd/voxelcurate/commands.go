package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxelcurate/internal/dataset"
	"voxelcurate/pkg/domain"
)

func keyFlags(cmd *cobra.Command, key *domain.Key) {
	cmd.Flags().IntVar(&key.T, "t", 0, "time point")
	cmd.Flags().IntVar(&key.Channel, "channel", 0, "channel")
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the steps of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "STEP\tSTATE\tDESCRIPTION\tVOLUMES\tPROPERTIES\tLINEAGE\tSTARTED")
				for _, rec := range d.History() {
					lineage := "-"
					if rec.Lineage {
						lineage = "yes"
					}
					props := "-"
					if names := rec.PropertyNames(); len(names) > 0 {
						props = strings.Join(names, ",")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
						rec.Index, rec.State, rec.Description, len(rec.Volumes), props, lineage,
						rec.StartedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) undoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Cancel the most recent step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				rb, err := d.Cancel(cmd.Context())
				if errors.Is(err, domain.ErrNothingToCancel) {
					return fmt.Errorf("nothing to undo: only the initial step is left")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "cancelled step %d %q: %d volumes restored\n", rb.Step, rb.Description, len(rb.Volumes))
				return nil
			})
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export DIR",
		Short: "Write the latest volumes, property tables and lineage to DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				sum, err := d.Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "exported %d volumes, %d property tables, %d lineage edges to %s\n",
					sum.Volumes, sum.Properties, sum.Edges, args[0])
				return nil
			})
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var key domain.Key
	var description string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the volume at --t/--channel with a volume container file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				step, err := d.StartStep(cmd.Context(), description)
				if err != nil {
					return err
				}
				if err := d.ImportVolumeFile(cmd.Context(), args[0], key); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "imported %s into %s as step %d\n", args[0], key, step)
				return nil
			})
		},
	}
	keyFlags(cmd, &key)
	cmd.Flags().StringVar(&description, "description", "import", "step description")
	return cmd
}

func (a *app) propsCmd() *cobra.Command {
	var key domain.Key
	cmd := &cobra.Command{
		Use:   "props NAME",
		Short: "Print one property table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				table, err := d.GetPropertyAt(cmd.Context(), args[0], key)
				if err != nil {
					return err
				}
				ids := make([]domain.ObjectID, 0, len(table))
				for id := range table {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "ID\t%s\n", strings.ToUpper(args[0]))
				for _, id := range ids {
					fmt.Fprintf(w, "%d\t%s\n", id, formatValue(table[id]))
				}
				return w.Flush()
			})
		},
	}
	keyFlags(cmd, &key)
	return cmd
}

func formatValue(v domain.Value) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = humanize.Ftoa(x)
	}
	return strings.Join(parts, " ")
}

func (a *app) infoCmd() *cobra.Command {
	var key domain.Key
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Summarise the volume at --t/--channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(d *dataset.Dataset) error {
				v, err := d.GetVolume(cmd.Context(), key)
				if err != nil {
					return err
				}
				ids := v.IDs()
				fmt.Fprintf(a.stdout, "key:      %s\n", key)
				fmt.Fprintf(a.stdout, "dims:     %s voxel %v\n", v.Dims, v.Voxel)
				fmt.Fprintf(a.stdout, "objects:  %d\n", len(ids))
				fmt.Fprintf(a.stdout, "size:     %s\n", humanize.IBytes(uint64(v.SizeBytes())))
				fmt.Fprintf(a.stdout, "resident: %s\n", humanize.IBytes(uint64(d.Resident())))
				fmt.Fprintf(a.stdout, "edges:    %d\n", len(d.Edges()))
				return nil
			})
		},
	}
	keyFlags(cmd, &key)
	return cmd
}
