// Package venue houses execution venue connectivity, including the adapter
// abstraction every venue implements, router contract bindings, and
// multi-venue configuration helpers. It lets the policy layer forward
// swaps, liquidity changes, and fee collections to any configured venue
// through one uniform interface.
package venue
