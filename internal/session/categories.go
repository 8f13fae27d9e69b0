package session

// Category describes one kind of device in the fleet.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Built-in device categories. Devices may register others; those are
// accepted and logged.
const (
	CategoryDoorPanel   = "door-panel"
	CategoryViewport    = "viewport"
	CategoryWallDisplay = "wall-display"
	CategoryStatusBoard = "status-board"
	CategoryAudioNode   = "audio-node"
	CategoryAlertBeacon = "alert-beacon"
	CategorySensorNode  = "sensor-node"
	CategoryKiosk       = "kiosk"
)

var catalogue = []Category{
	{ID: CategoryDoorPanel, Name: "Door Panel", Description: "Small screen beside a doorway"},
	{ID: CategoryViewport, Name: "Viewport", Description: "Large screen acting as a window"},
	{ID: CategoryWallDisplay, Name: "Wall Display", Description: "General purpose wall mounted screen"},
	{ID: CategoryStatusBoard, Name: "Status Board", Description: "Dense read-out of system state"},
	{ID: CategoryAudioNode, Name: "Audio Node", Description: "Speaker or ambience player without a screen"},
	{ID: CategoryAlertBeacon, Name: "Alert Beacon", Description: "Light or siren driven by alert level"},
	{ID: CategorySensorNode, Name: "Sensor Node", Description: "Microcontroller reporting readings"},
	{ID: CategoryKiosk, Name: "Kiosk", Description: "Interactive touch screen"},
}

// Catalogue returns the built-in categories in display order.
func Catalogue() []Category {
	return append([]Category(nil), catalogue...)
}

// KnownCategory reports whether id is a built-in category.
func KnownCategory(id string) bool {
	for _, c := range catalogue {
		if c.ID == id {
			return true
		}
	}
	return false
}
