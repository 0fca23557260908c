package route

type Stop struct {
	ID          string  `json:"id"`
	RouteID     string  `json:"route_id"`
	Name        string  `json:"name"`
	OrderNumber int     `json:"order_number"`
	Lat         float64 `json:"latitude"`
	Lng         float64 `json:"longitude"`
}
