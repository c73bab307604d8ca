package models

import "fmt"

// Category is the professional service type a user signs up under.
type Category string

const (
	CategoryPhotographer Category = "photographer"
	CategoryMakeup       Category = "makeup"
	CategoryDeveloper    Category = "developer"
	CategoryTutor        Category = "tutor"

	// DefaultCategory is used whenever a code or label is not one of the four
	// known values.
	DefaultCategory = CategoryPhotographer
)

const (
	UserTypePhotographer = 1
	UserTypeMakeup       = 2
	UserTypeDeveloper    = 3
	UserTypeTutor        = 4
)

// Categories lists the known categories in user type order.
var Categories = []Category{CategoryPhotographer, CategoryMakeup, CategoryDeveloper, CategoryTutor}

// CategoryForUserType maps a user type code to its category, falling back to
// DefaultCategory for unknown codes.
func CategoryForUserType(code int) Category {
	switch code {
	case UserTypePhotographer:
		return CategoryPhotographer
	case UserTypeMakeup:
		return CategoryMakeup
	case UserTypeDeveloper:
		return CategoryDeveloper
	case UserTypeTutor:
		return CategoryTutor
	default:
		return DefaultCategory
	}
}

// UserType maps a category to its code, falling back to the code of
// DefaultCategory for unknown categories.
func (c Category) UserType() int {
	switch c {
	case CategoryPhotographer:
		return UserTypePhotographer
	case CategoryMakeup:
		return UserTypeMakeup
	case CategoryDeveloper:
		return UserTypeDeveloper
	case CategoryTutor:
		return UserTypeTutor
	default:
		return DefaultCategory.UserType()
	}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryPhotographer, CategoryMakeup, CategoryDeveloper, CategoryTutor:
		return true
	}
	return false
}

// ParseCategory is the strict form used on user input.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
