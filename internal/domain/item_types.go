package domain

type SortColumn string

func (c SortColumn) String() string {
	return string(c)
}

const (
	SortColumnQuantity SortColumn = "quantity" // Number of sell listings
	SortColumnPrice    SortColumn = "price"
	SortColumnName     SortColumn = "name"
	SortColumnPopular  SortColumn = "popular"
)

type SortDirection string

func (d SortDirection) String() string {
	return string(d)
}

const (
	SortDirectionAsc  SortDirection = "asc"
	SortDirectionDesc SortDirection = "desc"
)
