package nn

const (
	ToolForceps             = 0
	ToolDissector           = 1
	ToolMicroNeedleHolder   = 2
	ToolSuctionCannula      = 3
	ToolBoneDrill           = 4
	ToolUltrasonicAspirator = 5
)

// Surgical tool classes of the tool tip tracking dataset
var SurgicalToolClasses = []string{
	"Forceps",
	"Dissector",
	"Micro_Needle_Holder",
	"Suction_Cannula",
	"Bone_Drill",
	"Ultrasonic_Aspirator",
}

// Return the name of the class, or "" if the class is out of range
func ClassName(classes []string, class int) string {
	if class < 0 || class >= len(classes) {
		return ""
	}
	return classes[class]
}
