package audit

// Actions recorded in the audit trail.
const (
	ActionPHIView   = "phi_view"
	ActionPHIEdit   = "phi_edit"
	ActionPHIDelete = "phi_delete"
	ActionPHIExport = "phi_export"

	ActionLogin  = "login"
	ActionLogout = "logout"

	ActionExportData = "export_data"
	ActionDeleteData = "delete_data"

	ActionCreateSession     = "create_session"
	ActionSetRetention      = "set_retention"
	ActionRetentionSweep    = "retention_sweep"
	ActionMFAEnroll         = "mfa_enroll"
	ActionMFAEnable         = "mfa_enable"
	ActionMFABackupCodeUsed = "mfa_backup_code_used"
	ActionSessionsExpired   = "sessions_expired"
)

// Resource types.
const (
	ResourceTherapySession = "therapy_session"
	ResourceUser           = "user"
	ResourceAuth           = "authentication"
	ResourceSessionToken   = "session_token"
)

// PHIAccess is the kind of access made to protected health information.
type PHIAccess string

const (
	PHIView   PHIAccess = "view"
	PHIEdit   PHIAccess = "edit"
	PHIDelete PHIAccess = "delete"
	PHIExport PHIAccess = "export"
)

// Action returns the audit action name for the access kind, e.g. "phi_view".
func (a PHIAccess) Action() string {
	return "phi_" + string(a)
}

// Valid reports whether a is one of the known access kinds.
func (a PHIAccess) Valid() bool {
	switch a {
	case PHIView, PHIEdit, PHIDelete, PHIExport:
		return true
	}
	return false
}
