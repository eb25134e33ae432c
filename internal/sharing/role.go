// Package sharing decides who may do what to a file record and maintains
// share lists.
package sharing

import "github.com/3askar/drive/internal/files"

// Action is an operation on a file record.
type Action string

// Actions subject to authorization.
const (
	ActionView           Action = "view"
	ActionDownload       Action = "download"
	ActionDescribe       Action = "describe"
	ActionReplaceContent Action = "replace-content"
	ActionRename         Action = "rename"
	ActionStar           Action = "star"
	ActionMove           Action = "move"
	ActionTrash          Action = "trash"
	ActionPurge          Action = "purge"
	ActionShare          Action = "share"
)

// Built-in role names.
const (
	RoleOwner  = "owner"
	RoleWriter = "writer"
	RoleReader = "reader"
)

// Role is a named set of rules.
type Role struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Rule allows a set of actions. "*" allows every action.
type Rule struct {
	Actions []Action `json:"actions"`
}

// Allows reports whether any rule of the role permits action.
func (r *Role) Allows(action Action) bool {
	for _, rule := range r.Rules {
		if rule.Allows(action) {
			return true
		}
	}
	return false
}

// Allows reports whether the rule permits action.
func (r *Rule) Allows(action Action) bool {
	for _, a := range r.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

var (
	ownerRole = Role{
		Name:  RoleOwner,
		Rules: []Rule{{Actions: []Action{"*"}}},
	}
	writerRole = Role{
		Name:  RoleWriter,
		Rules: []Rule{{Actions: []Action{ActionView, ActionDownload, ActionDescribe, ActionReplaceContent}}},
	}
	readerRole = Role{
		Name:  RoleReader,
		Rules: []Rule{{Actions: []Action{ActionView, ActionDownload}}},
	}
)

// RoleFor returns the role principal holds on rec, or nil when the principal
// has no relationship with it.
func RoleFor(rec *files.FileRecord, principal string) *Role {
	if principal == "" {
		return nil
	}
	if rec.OwnerID == principal {
		return &ownerRole
	}
	switch perm, _ := rec.PermissionFor(principal); perm {
	case files.PermissionWrite:
		return &writerRole
	case files.PermissionRead:
		return &readerRole
	}
	return nil
}
