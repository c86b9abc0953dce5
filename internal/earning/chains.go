package earning

import (
	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

// familyKind selects the handler constructor for one catalog row.
type familyKind string

const (
	familyRelay       familyKind = "relay"
	familyParachain   familyKind = "parachain"
	familyDapp        familyKind = "dapp"
	familyIndexed     familyKind = "indexed"
	familyNomPool     familyKind = "nompool"
	familyLiquid      familyKind = "liquid"
	familyLending     familyKind = "lending"
	familyPassThrough familyKind = "passthrough"
)

// familySpec is one (chain, protocol) row of the static catalog.
type familySpec struct {
	Kind     familyKind
	Symbol   string
	Metadata model.YieldPoolMetadata
	// Market is the lending market contract; empty elsewhere.
	Market string
}

// chainSpec describes one supported chain and the pools it hosts. Which
// families a chain hosts is static; configuration only toggles chains and
// points at endpoints.
type chainSpec struct {
	Slug        string
	Kind        model.ChainKind
	NativeAsset string
	Assets      []chain.Asset
	Families    []familySpec
}

// chainCatalog is the supported integration set. Slugs within one chain are
// disjoint because each family yields a distinct pool type in the slug.
var chainCatalog = []chainSpec{
	{
		Slug:        "polkadot",
		Kind:        model.ChainSubstrate,
		NativeAsset: "polkadot-DOT",
		Assets: []chain.Asset{
			{Slug: "polkadot-DOT", Symbol: "DOT", Chain: "polkadot", Decimals: 10, IsNative: true},
		},
		Families: []familySpec{
			{Kind: familyRelay, Symbol: "DOT", Metadata: model.YieldPoolMetadata{
				ShortName:   "Polkadot staking",
				Description: "Nominate validators on the Polkadot relay chain",
				InputAsset:  "polkadot-DOT",
				IsAvailable: true,
			}},
			{Kind: familyNomPool, Symbol: "DOT", Metadata: model.YieldPoolMetadata{
				ShortName:   "Polkadot nomination pools",
				Description: "Pool stake with other members below the solo minimum",
				InputAsset:  "polkadot-DOT",
				IsAvailable: true,
			}},
		},
	},
	{
		Slug:        "kusama",
		Kind:        model.ChainSubstrate,
		NativeAsset: "kusama-KSM",
		Assets: []chain.Asset{
			{Slug: "kusama-KSM", Symbol: "KSM", Chain: "kusama", Decimals: 12, IsNative: true},
		},
		Families: []familySpec{
			{Kind: familyRelay, Symbol: "KSM", Metadata: model.YieldPoolMetadata{
				ShortName:   "Kusama staking",
				Description: "Nominate validators on the Kusama relay chain",
				InputAsset:  "kusama-KSM",
				IsAvailable: true,
			}},
			{Kind: familyNomPool, Symbol: "KSM", Metadata: model.YieldPoolMetadata{
				ShortName:   "Kusama nomination pools",
				Description: "Pool stake with other members below the solo minimum",
				InputAsset:  "kusama-KSM",
				IsAvailable: true,
			}},
		},
	},
	{
		Slug:        "moonbeam",
		Kind:        model.ChainEVM,
		NativeAsset: "moonbeam-GLMR",
		Assets: []chain.Asset{
			{Slug: "moonbeam-GLMR", Symbol: "GLMR", Chain: "moonbeam", Decimals: 18, IsNative: true},
			{Slug: "moonbeam-xcDOT", Symbol: "xcDOT", Chain: "moonbeam", Decimals: 10,
				ContractAddress: "0xFfFFfFff1FcaCBd218EDc0EbA20Fc2308C778080"},
			{Slug: "moonbeam-mxcDOT", Symbol: "mxcDOT", Chain: "moonbeam", Decimals: 8,
				ContractAddress: "0xD22Da948c0aB3A27f5570b604f3ADef5F68211C3"},
		},
		Families: []familySpec{
			{Kind: familyParachain, Symbol: "GLMR", Metadata: model.YieldPoolMetadata{
				ShortName:   "Moonbeam staking",
				Description: "Delegate to collator candidates on Moonbeam",
				InputAsset:  "moonbeam-GLMR",
				IsAvailable: true,
			}},
			{Kind: familyLending, Symbol: "xcDOT",
				Market: "0x6E36ce7Db1b4bA4A7C6f62c86dB9C1f40b6fF09a",
				Metadata: model.YieldPoolMetadata{
					ShortName:        "xcDOT lending",
					Description:      "Supply xcDOT to the Moonbeam lending market",
					InputAsset:       "moonbeam-xcDOT",
					AltInputAssets:   []string{"polkadot-DOT"},
					DerivativeAssets: []string{"moonbeam-mxcDOT"},
					FeeAssets:        []string{"moonbeam-GLMR"},
					IsAvailable:      true,
				}},
		},
	},
	{
		Slug:        "astar",
		Kind:        model.ChainSubstrate,
		NativeAsset: "astar-ASTR",
		Assets: []chain.Asset{
			{Slug: "astar-ASTR", Symbol: "ASTR", Chain: "astar", Decimals: 18, IsNative: true},
		},
		Families: []familySpec{
			{Kind: familyDapp, Symbol: "ASTR", Metadata: model.YieldPoolMetadata{
				ShortName:   "Astar dApp staking",
				Description: "Lock and stake ASTR on registered dApps",
				InputAsset:  "astar-ASTR",
				IsAvailable: true,
			}},
		},
	},
	{
		Slug:        "bifrost",
		Kind:        model.ChainSubstrate,
		NativeAsset: "bifrost-BNC",
		Assets: []chain.Asset{
			{Slug: "bifrost-BNC", Symbol: "BNC", Chain: "bifrost", Decimals: 12, IsNative: true},
			{Slug: "bifrost-DOT", Symbol: "DOT", Chain: "bifrost", Decimals: 10},
			{Slug: "bifrost-vDOT", Symbol: "vDOT", Chain: "bifrost", Decimals: 10},
		},
		Families: []familySpec{
			{Kind: familyLiquid, Symbol: "DOT", Metadata: model.YieldPoolMetadata{
				ShortName:        "Bifrost vDOT",
				Description:      "Mint vDOT and earn staking yield through the exchange rate",
				InputAsset:       "bifrost-DOT",
				AltInputAssets:   []string{"polkadot-DOT"},
				DerivativeAssets: []string{"bifrost-vDOT"},
				FeeAssets:        []string{"bifrost-BNC"},
				IsAvailable:      true,
			}},
		},
	},
	{
		Slug:        "avail",
		Kind:        model.ChainSubstrate,
		NativeAsset: "avail-AVAIL",
		Assets: []chain.Asset{
			{Slug: "avail-AVAIL", Symbol: "AVAIL", Chain: "avail", Decimals: 18, IsNative: true},
		},
		Families: []familySpec{
			{Kind: familyIndexed, Symbol: "AVAIL", Metadata: model.YieldPoolMetadata{
				ShortName:   "Avail staking",
				Description: "Bond AVAIL; positions tracked by the external index",
				InputAsset:  "avail-AVAIL",
				IsAvailable: true,
			}},
		},
	},
	{
		Slug:        "manta",
		Kind:        model.ChainSubstrate,
		NativeAsset: "manta-MANTA",
		Assets: []chain.Asset{
			{Slug: "manta-MANTA", Symbol: "MANTA", Chain: "manta", Decimals: 18, IsNative: true},
		},
		Families: []familySpec{
			{Kind: familyPassThrough, Symbol: "MANTA", Metadata: model.YieldPoolMetadata{
				ShortName:   "Manta ecosystem yield",
				Description: "Yield program managed on the upstream platform",
				InputAsset:  "manta-MANTA",
				IsAvailable: true,
			}},
		},
	},
}

// catalogChain returns the catalog row for a chain slug.
func catalogChain(slug string) (chainSpec, bool) {
	for _, c := range chainCatalog {
		if c.Slug == slug {
			return c, true
		}
	}
	return chainSpec{}, false
}
