package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/always-cache/offline-cache/cache"
)

// listGenerations prints every generation with its entry count.
// The generation of the current version is marked.
func listGenerations(ctx context.Context, out io.Writer, storage cache.Storage, current string) error {
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tENTRIES\t")
	for _, name := range names {
		gen, ok, err := storage.Get(ctx, name)
		if err != nil {
			return err
		} else if !ok {
			continue
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return err
		}
		marker := ""
		if name == current {
			marker = "current"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(keys), marker)
	}
	return tw.Flush()
}

// purgeGenerations deletes the named generations.
// Without names it deletes all but the current one, or every one if all is set.
func purgeGenerations(ctx context.Context, storage cache.Storage, current string, names []string, all bool) ([]string, error) {
	if len(names) == 0 {
		keys, err := storage.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if all || key != current {
				names = append(names, key)
			}
		}
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		existed, err := storage.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
