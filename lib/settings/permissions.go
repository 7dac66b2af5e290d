/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settings

import "strings"

// Permissions is the bitset of actions a node is allowed to perform.
type Permissions uint32

const (
	// PermConnect allows the node into the domain at all.
	PermConnect Permissions = 1 << iota

	// PermAdjustLocks allows changing entity locks.
	PermAdjustLocks

	// PermRez allows creating permanent entities.
	PermRez

	// PermRezTmp allows creating temporary entities.
	PermRezTmp

	// PermRezCertified allows creating certified permanent entities.
	PermRezCertified

	// PermRezTmpCertified allows creating certified temporary entities.
	PermRezTmpCertified

	// PermWriteAssets allows writes to the asset server.
	PermWriteAssets

	// PermIgnoreMaxCap admits the node past the user capacity limit.
	PermIgnoreMaxCap

	// PermKick allows evicting other nodes.
	PermKick

	// PermReplaceContent allows replacing the domain scene.
	PermReplaceContent

	// PermGetSetPrivateUserData allows access to private entity user data.
	PermGetSetPrivateUserData
)

// Has reports whether all bits in p are set.
func (p Permissions) Has(bits Permissions) bool {
	return p&bits == bits
}

// CanConnect reports whether the connect bit is set.
func (p Permissions) CanConnect() bool { return p.Has(PermConnect) }

// AllPermissions returns the full permission set, granted to assignment
// workers.
func AllPermissions() Permissions {
	var all Permissions
	for _, bit := range permissionFlags {
		all |= bit
	}
	return all
}

// permissionFlags maps catalog JSON field names to bits. The names are
// part of the persisted settings format.
var permissionFlags = map[string]Permissions{
	"id_can_connect":                       PermConnect,
	"id_can_adjust_locks":                  PermAdjustLocks,
	"id_can_rez":                           PermRez,
	"id_can_rez_tmp":                       PermRezTmp,
	"id_can_rez_certified":                 PermRezCertified,
	"id_can_rez_tmp_certified":             PermRezTmpCertified,
	"id_can_write_to_asset_server":         PermWriteAssets,
	"id_can_connect_past_max_capacity":     PermIgnoreMaxCap,
	"id_can_kick":                          PermKick,
	"id_can_replace_content":               PermReplaceContent,
	"id_can_get_and_set_private_user_data": PermGetSetPrivateUserData,
}

// MarshalFlags expands a bitset back into the catalog JSON field map.
func (p Permissions) MarshalFlags() map[string]any {
	out := make(map[string]any, len(permissionFlags))
	for name, bit := range permissionFlags {
		out[name] = p.Has(bit)
	}
	return out
}

// Standard catalog row identifiers.
const (
	// StandardAnonymous matches users without a verified username.
	StandardAnonymous = "anonymous"

	// StandardLoggedIn matches users with a verified username.
	StandardLoggedIn = "logged-in"

	// StandardLocalhost matches connections from loopback.
	StandardLocalhost = "localhost"

	// StandardFriends matches verified friends of the domain owner.
	StandardFriends = "friends"
)

// Settings keypaths for the permission catalog sections.
const (
	standardPermissionsKeyPath = "security.standard_permissions"
	userPermissionsKeyPath     = "security.permissions"
	groupPermissionsKeyPath    = "security.group_permissions"
)

// GroupRank identifies a group permission row.
type GroupRank struct {
	Group string
	Rank  string
}

// Catalog is the permission rows parsed out of the settings document.
type Catalog struct {
	// Standard holds the anonymous/logged-in/localhost/friends rows.
	Standard map[string]Permissions

	// Users holds per-username rows, keyed by lowercased username.
	Users map[string]Permissions

	// Groups holds per-group-and-rank rows.
	Groups map[GroupRank]Permissions
}

// Identity is what the gatekeeper knows about a connecting node when it
// computes permissions.
type Identity struct {
	// VerifiedUsername is the metaverse username whose signature checked
	// out, empty for anonymous users.
	VerifiedUsername string

	// Localhost is set when the connection originates from loopback.
	Localhost bool

	// Friend is set when the verified user is a friend of the domain
	// owner.
	Friend bool

	// Groups maps group names to the user's rank in them, as far as the
	// lookups have resolved.
	Groups map[string]string
}

// Resolve computes the union of every catalog row matching the identity.
func (c *Catalog) Resolve(id Identity) Permissions {
	var perms Permissions
	perms |= c.Standard[StandardAnonymous]
	if id.VerifiedUsername != "" {
		perms |= c.Standard[StandardLoggedIn]
		perms |= c.Users[strings.ToLower(id.VerifiedUsername)]
	}
	if id.Localhost {
		perms |= c.Standard[StandardLocalhost]
	}
	if id.Friend {
		perms |= c.Standard[StandardFriends]
	}
	for group, rank := range id.Groups {
		perms |= c.Groups[GroupRank{Group: group, Rank: rank}]
	}
	return perms
}

// CatalogFromStore parses the permission rows out of the current settings.
// Unknown flags are ignored so newer documents load on older builds.
func CatalogFromStore(s *Store) *Catalog {
	c := &Catalog{
		Standard: map[string]Permissions{},
		Users:    map[string]Permissions{},
		Groups:   map[GroupRank]Permissions{},
	}
	for _, row := range rows(s, standardPermissionsKeyPath) {
		id, perms := parseRow(row)
		if id != "" {
			c.Standard[id] = perms
		}
	}
	for _, row := range rows(s, userPermissionsKeyPath) {
		id, perms := parseRow(row)
		if id != "" {
			c.Users[strings.ToLower(id)] = perms
		}
	}
	for _, row := range rows(s, groupPermissionsKeyPath) {
		id, perms := parseRow(row)
		group, rank, ok := strings.Cut(id, "@")
		if ok {
			c.Groups[GroupRank{Group: group, Rank: rank}] = perms
		}
	}
	return c
}

func rows(s *Store, keypath string) []map[string]any {
	v, ok := s.Get(keypath)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if row, ok := item.(map[string]any); ok {
			out = append(out, row)
		}
	}
	return out
}

func parseRow(row map[string]any) (string, Permissions) {
	id, _ := row["permissions_id"].(string)
	var perms Permissions
	for name, bit := range permissionFlags {
		if enabled, ok := row[name].(bool); ok && enabled {
			perms |= bit
		}
	}
	return id, perms
}
