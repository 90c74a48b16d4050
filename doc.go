/*
Package routezero keeps a DNS zone's address records synchronized with the online membership of a ZeroTier network.

Usage will always start with [routezero.New],
which returns the Client implementation.
New requires a ZeroTier network ID and the DNS zone which will hold member records,
plus credentials for both providers.
Additional client configuration options are listed in the docs for New.

Each call to [Client.Run] performs one reconciliation pass:
it fetches the network's current members and the zone's current routezero-owned records,
computes the minimal change set needed to bring the zone into agreement with membership,
and applies it.
The zone itself is the only durable state,
so a failed or partially applied pass is healed by the next pass's fresh diff.

Records created by this package are tagged with an owner comment and only tagged records are ever modified or deleted.
Records belonging to other tooling in the same zone are never touched.
*/
package routezero
