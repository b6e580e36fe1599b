// Package capability declares the permission catalog and the static
// inheritance graph used by the resolver.
package capability

// Capability identifies an atomic platform-wide permission.
type Capability string

// ScopedCapability identifies an atomic permission that only has meaning
// within the context of a single application. The namespace is disjoint from
// Capability.
type ScopedCapability string

// Platform-wide capabilities.
const (
	// Superuser satisfies every permission check unconditionally.
	Superuser Capability = "Superuser"

	UserAdmin                       Capability = "UserAdmin"
	UserAdminViewAll                Capability = "UserAdminViewAll"
	UserAdminUpdateDetails          Capability = "UserAdminUpdateDetails"
	UserAdminManageGroups           Capability = "UserAdminManageGroups"
	UserAdminRecalculatePermissions Capability = "UserAdminRecalculatePermissions"

	BullseyeAdmin          Capability = "BullseyeAdmin"
	BullseyeCreateApp      Capability = "BullseyeCreateApp"
	BullseyeDeleteApp      Capability = "BullseyeDeleteApp"
	BullseyeManageVersions Capability = "BullseyeManageVersions"

	FileAdmin  Capability = "FileAdmin"
	FileUpload Capability = "FileUpload"
	FileDelete Capability = "FileDelete"

	BlogAdmin   Capability = "BlogAdmin"
	BlogPost    Capability = "BlogPost"
	BlogPublish Capability = "BlogPublish"
)

// Application-scoped capabilities.
const (
	ScopedAdmin         ScopedCapability = "Admin"
	ScopedView          ScopedCapability = "View"
	ScopedEditDetails   ScopedCapability = "EditDetails"
	ScopedUploadBuild   ScopedCapability = "UploadBuild"
	ScopedPromoteBuild  ScopedCapability = "PromoteBuild"
	ScopedDeleteVersion ScopedCapability = "DeleteVersion"
)

// Spec describes one declared capability: whether it may only be granted
// platform-wide, and which capabilities it implies when explicitly decided.
type Spec struct {
	GlobalOnly   bool
	InheritsFrom []Capability
}

// Catalog returns the registration table for platform-wide capabilities.
// Edges read "coarse inherits fine": deciding UserAdmin implies a default
// stance for every capability it inherits, unless that capability carries an
// explicit rule of its own.
func Catalog() map[Capability]Spec {
	return map[Capability]Spec{
		Superuser: {GlobalOnly: true},

		UserAdmin: {GlobalOnly: true, InheritsFrom: []Capability{
			UserAdminViewAll,
			UserAdminUpdateDetails,
			UserAdminManageGroups,
			UserAdminRecalculatePermissions,
		}},
		UserAdminViewAll:                {GlobalOnly: true},
		UserAdminUpdateDetails:          {GlobalOnly: true},
		UserAdminManageGroups:           {GlobalOnly: true},
		UserAdminRecalculatePermissions: {GlobalOnly: true},

		BullseyeAdmin: {InheritsFrom: []Capability{
			BullseyeCreateApp,
			BullseyeDeleteApp,
			BullseyeManageVersions,
		}},
		BullseyeCreateApp:      {},
		BullseyeDeleteApp:      {},
		BullseyeManageVersions: {},

		FileAdmin: {InheritsFrom: []Capability{
			FileUpload,
			FileDelete,
		}},
		FileUpload: {},
		FileDelete: {},

		BlogAdmin: {InheritsFrom: []Capability{
			BlogPost,
			BlogPublish,
		}},
		BlogPost:    {},
		BlogPublish: {},
	}
}

// ScopedSpec describes one declared application-scoped capability.
type ScopedSpec struct {
	InheritsFrom []ScopedCapability
}

// ScopedCatalog returns the registration table for application-scoped
// capabilities.
func ScopedCatalog() map[ScopedCapability]ScopedSpec {
	return map[ScopedCapability]ScopedSpec{
		ScopedAdmin: {InheritsFrom: []ScopedCapability{
			ScopedView,
			ScopedEditDetails,
			ScopedUploadBuild,
			ScopedPromoteBuild,
			ScopedDeleteVersion,
		}},
		ScopedView:          {},
		ScopedEditDetails:   {},
		ScopedUploadBuild:   {},
		ScopedPromoteBuild:  {},
		ScopedDeleteVersion: {},
	}
}
