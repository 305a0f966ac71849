package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionKey is a fine-grained capability identifier.
type PermissionKey string

// Permission catalog.
const (
	PermViewDashboard PermissionKey = "VIEW_DASHBOARD"

	PermViewIntake    PermissionKey = "VIEW_INTAKE"
	PermManageTickets PermissionKey = "MANAGE_TICKETS"
	PermDeleteTickets PermissionKey = "DELETE_TICKETS"

	PermViewWorkshop   PermissionKey = "VIEW_WORKSHOP"
	PermManageWorkshop PermissionKey = "MANAGE_WORKSHOP"

	PermViewInventory   PermissionKey = "VIEW_INVENTORY"
	PermManageInventory PermissionKey = "MANAGE_INVENTORY"

	PermViewCustomers   PermissionKey = "VIEW_CUSTOMERS"
	PermManageCustomers PermissionKey = "MANAGE_CUSTOMERS"

	PermViewShipments   PermissionKey = "VIEW_SHIPMENTS"
	PermManageShipments PermissionKey = "MANAGE_SHIPMENTS"

	PermViewReports    PermissionKey = "VIEW_REPORTS"
	PermViewAccounting PermissionKey = "VIEW_ACCOUNTING"

	PermManagePartners PermissionKey = "MANAGE_PARTNERS"

	PermManageUsers       PermissionKey = "MANAGE_USERS"
	PermManagePermissions PermissionKey = "MANAGE_PERMISSIONS"
	PermViewAuditLog      PermissionKey = "VIEW_AUDIT_LOG"
)

// CatalogEntry describes a permission for the administration matrix.
type CatalogEntry struct {
	Key         PermissionKey `db:"key" json:"key"`
	Description string        `db:"description" json:"description"`
	Category    string        `db:"category" json:"category"`
}

var catalog = []CatalogEntry{
	{PermViewDashboard, "View the dashboard", "dashboard"},
	{PermViewIntake, "View ticket intake", "tickets"},
	{PermManageTickets, "Create and edit repair tickets", "tickets"},
	{PermDeleteTickets, "Delete repair tickets", "tickets"},
	{PermViewWorkshop, "View the workshop board", "workshop"},
	{PermManageWorkshop, "Move tickets through workshop stages", "workshop"},
	{PermViewInventory, "View parts and stock", "inventory"},
	{PermManageInventory, "Book stock movements and edit parts", "inventory"},
	{PermViewCustomers, "View customers", "customers"},
	{PermManageCustomers, "Create and edit customers", "customers"},
	{PermViewShipments, "View shipments", "logistics"},
	{PermManageShipments, "Create and dispatch shipments", "logistics"},
	{PermViewReports, "View reports", "reports"},
	{PermViewAccounting, "View accounting exports", "reports"},
	{PermManagePartners, "Approve and edit B2B partners", "b2b"},
	{PermManageUsers, "Manage users and role assignments", "admin"},
	{PermManagePermissions, "Edit the role permission matrix", "admin"},
	{PermViewAuditLog, "View the audit log", "admin"},
}

var catalogIndex = func() map[PermissionKey]CatalogEntry {
	idx := make(map[PermissionKey]CatalogEntry, len(catalog))
	for _, e := range catalog {
		idx[e.Key] = e
	}
	return idx
}()

// Catalog returns the built-in permission catalog sorted by category then key.
func Catalog() []CatalogEntry {
	out := append([]CatalogEntry(nil), catalog...)
	SortCatalog(out)
	return out
}

// SortCatalog orders entries by category then key.
func SortCatalog(entries []CatalogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Key < entries[j].Key
	})
}

// ParsePermissionKey decodes a storage value into a catalog key.
func ParsePermissionKey(raw string) (PermissionKey, error) {
	key := PermissionKey(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := catalogIndex[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, raw)
	}
	return key, nil
}

// Known reports whether key is part of the catalog.
func (k PermissionKey) Known() bool {
	_, ok := catalogIndex[k]
	return ok
}

func (k PermissionKey) String() string { return string(k) }

// AllPermissionKeys returns every catalog key sorted alphabetically.
func AllPermissionKeys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(catalog))
	for _, e := range catalog {
		keys = append(keys, e.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
