package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync"
)

func newReadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <collection> [key]",
		Short: "Print local records",
		Long: `Print the records of a collection from the local store as JSON.
Nothing is fetched from the server; use "pull" for that.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				if len(args) == 2 {
					rec, found, err := e.Get(args[0], args[1])
					if err != nil {
						return err
					}
					if !found {
						return apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", args[0], args[1])
					}
					return writeJSON(cmd.OutOrStdout(), rec)
				}
				recs, err := e.Read(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func newMutateCommand(opts *RootOptions) *cobra.Command {
	var data string
	var push bool

	cmd := &cobra.Command{
		Use:   "mutate <collection> <create|update|delete> [key]",
		Short: "Apply a local change and queue it",
		Long: `Apply a change to the local store and queue it for the server.

The record key is taken from the payload's primary key field, or from the
optional key argument. A create without a key gets a temporary key that is
replaced once the server assigns one.

Example:
  duosync mutate todos create --data '{"title":"buy milk"}'
  duosync mutate todos update 7 --data '{"done":true}' --push`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := models.ParseOperation(args[1])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalidMutation, "bad operation", err)
			}
			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalidMutation, "--data is not a JSON object", err)
				}
			}

			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				if len(args) == 3 {
					reg, err := e.Registry()
					if err != nil {
						return err
					}
					codec, err := reg.MustLookup(args[0])
					if err != nil {
						return err
					}
					payload[codec.Descriptor().PrimaryKey] = args[2]
				}

				rec, err := e.Mutate(args[0], op, payload)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), rec); err != nil {
					return err
				}
				if !push {
					printf(cmd.ErrOrStderr(), "%d change(s) queued\n", e.PendingChanges())
					return nil
				}
				return syncAndReport(cmd, e)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().BoolVar(&push, "push", false, "sync immediately after the change")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the server once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				return syncAndReport(cmd, e)
			})
		},
	}
}

func syncAndReport(cmd *cobra.Command, e *sync.Engine) error {
	start := time.Now()
	res, err := e.SyncNow(cmd.Context())
	if err != nil {
		if apperrors.IsNetwork(err) {
			printf(cmd.ErrOrStderr(), "Server unreachable; %d change(s) remain queued\n", e.PendingChanges())
		}
		return err
	}
	out := cmd.OutOrStdout()
	printf(out, "Sent %d, settled %d, retrying %d, failed %d in %v\n",
		res.Sent, res.Settled, res.Retried, res.Failed, time.Since(start).Round(time.Millisecond))
	if n := e.PendingChanges(); n > 0 {
		printf(out, "%d change(s) still queued (status: %s)\n", n, e.Status())
	}
	if !e.Online() {
		return errOffline
	}
	return nil
}

func newPullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <collection>",
		Short: "Replace local records with the server's listing",
		Long: `Fetch every record of a collection and merge it into the local store.
Records with queued changes keep their local state; synced records the
server no longer lists are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				res, err := e.Pull(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "%s: %s applied, %s removed, %s kept local\n", args[0],
					humanize.Comma(int64(res.Applied)), humanize.Comma(int64(res.Removed)), humanize.Comma(int64(res.Skipped)))
				return nil
			})
		},
	}
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and connectivity status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				if probe {
					e.Probe(cmd.Context())
				}
				return printStatus(cmd, e)
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "contact the server to determine connectivity")
	return cmd
}

func printStatus(cmd *cobra.Command, e *sync.Engine) error {
	st, err := e.SchedulerStatus()
	if err != nil {
		return err
	}
	reg, err := e.Registry()
	if err != nil {
		return err
	}
	conflicts, err := e.Conflicts("")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	fmt.Fprintf(w, "Queue:\t%s pending, %s in flight, %s failed\n",
		humanize.Comma(int64(st.QueueStats["pending"])),
		humanize.Comma(int64(st.QueueStats["in_flight"])),
		humanize.Comma(int64(st.QueueStats["failed"])))
	if entries := e.PendingEntries(); len(entries) > 0 {
		fmt.Fprintf(w, "Oldest change:\t%s\n", humanize.Time(entries[0].CreatedAt))
	}
	fmt.Fprintf(w, "Conflicts:\t%s\n", humanize.Comma(int64(len(conflicts))))
	for _, name := range reg.Names() {
		recs, err := e.Read(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Collection %s:\t%s records\n", name, humanize.Comma(int64(len(recs))))
	}
	return w.Flush()
}

func newFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List changes that need attention",
		Long: `List queue entries that exhausted their retries or were rejected by the
server. Use "retry" to send them again or "discard" to drop them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				failed := e.FailedEntries()
				if len(failed) == 0 {
					printf(cmd.OutOrStdout(), "No failed changes\n")
					return nil
				}
				sort.Slice(failed, func(i, j int) bool { return failed[i].Seq < failed[j].Seq })
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tRECORD\tOP\tATTEMPTS\tUPDATED\tERROR")
				for _, entry := range failed {
					fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\t%s\n",
						entry.ID, entry.Collection, entry.RecordKey, entry.Operation, entry.Attempts,
						humanize.Time(entry.UpdatedAt), truncate(entry.LastError, 60))
				}
				return w.Flush()
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Return failed changes to the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return apperrors.New(apperrors.ErrInvalidMutation, "give either an entry id or --all")
			}
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				if all {
					n, err := e.RetryAll()
					if err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), "%d change(s) requeued\n", n)
					return nil
				}
				if err := e.Retry(args[0]); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "%s requeued\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed change")
	return cmd
}

func newDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a queued change",
		Long: `Remove a change from the queue without sending it. The local record keeps
its optimistic state until the next pull or refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *sync.Engine) error {
				entry, err := e.Discard(args[0])
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Discarded %s of %s/%s\n", entry.Operation, entry.Collection, entry.RecordKey)
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printf(cmd.OutOrStdout(), "duosync v%s\n", Version)
		},
	}
}
