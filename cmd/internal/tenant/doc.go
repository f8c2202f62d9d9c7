// Package tenant manages the tenant hierarchy, membership and quotas, and
// issues tenant-scoped tokens.
//
// English design notes:
//   - Every tenant owns a namespace derived from its id (identity.NamespaceFor);
//     it is never chosen by a caller.
//   - root_id is fixed when a tenant is created. Re-parenting is not supported.
//   - Quotas are enforced at write time under a per-tenant lock. Tier ceilings
//     clamp rather than reject.
//   - Token minting and verification are delegated to the tokens package; this
//     package only adds tenant/namespace binding on top.
package tenant
