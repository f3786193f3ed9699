package core

import "github.com/slaclab/licco-sub000/pkg/domain"

type (
	Account         = domain.Account
	Project         = domain.Project
	ProjectStatus   = domain.ProjectStatus
	DeviceRecord    = domain.DeviceRecord
	DeviceType      = domain.DeviceType
	DeviceState     = domain.DeviceState
	Snapshot        = domain.Snapshot
	ChangeEntry     = domain.ChangeEntry
	Comment         = domain.Comment
	SwitchEvent     = domain.SwitchEvent
	FieldError      = domain.FieldError
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
	Notifier        = domain.Notifier
)

const (
	StatusDevelopment = domain.StatusDevelopment
	StatusSubmitted   = domain.StatusSubmitted
	StatusApproved    = domain.StatusApproved
	StatusHidden      = domain.StatusHidden
)

const (
	DeviceTypeUnset   = domain.DeviceTypeUnset
	DeviceTypeUnknown = domain.DeviceTypeUnknown
	DeviceTypeMCD     = domain.DeviceTypeMCD
)
