package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"
)

// Pools prints the persisted pool records.
func (a *App) Pools(ctx context.Context, opts PoolsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list pools")
	}
	if closeStore != nil {
		defer closeStore()
	}

	pools, err := store.ListPools(ctx)
	if err != nil {
		return err
	}
	if opts.Chain != "" {
		filtered := pools[:0]
		for _, p := range pools {
			if p.Chain == opts.Chain {
				filtered = append(filtered, p)
			}
		}
		pools = filtered
	}
	if len(pools) == 0 {
		fmt.Fprintln(os.Stdout, "no pools found")
		return nil
	}

	sort.Slice(pools, func(i, j int) bool { return pools[i].Slug < pools[j].Slug })

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Slug\tChain\tType\tAPY%\tTVL\tMin Join\tUpdated (UTC)")

	for _, p := range pools {
		apy, tvl, minJoin, updated := "-", "-", "-", "-"
		if stat := p.Statistic; stat != nil {
			if stat.TotalAPY != nil {
				apy = formatDecimal(*stat.TotalAPY, 3)
			}
			if stat.TVL != nil {
				tvl = formatDecimal(*stat.TVL, 0)
			}
			minJoin = stat.MinJoinPool.String()
			if stat.LastUpdated > 0 {
				updated = time.UnixMilli(stat.LastUpdated).UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Slug,
			p.Chain,
			p.Type,
			apy,
			tvl,
			minJoin,
			updated,
		)
	}

	writer.Flush()
	return nil
}
