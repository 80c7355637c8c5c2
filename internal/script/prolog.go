package script

import (
	"strconv"
	"strings"
)

// PrologContext carries the values bound ahead of a user script
type PrologContext struct {
	BaseURL       string
	ContainerPath string
	UserEmail     string
	WorkDir       string
	SessionID     string
	HasInput      bool
}

// RProlog returns the R statements defining the labkey.* variables. When an
// input file exists it is read into labkey.data.
func RProlog(pc PrologContext) string {
	var b strings.Builder
	b.WriteString("# labkey report prolog\n")
	writeRAssign(&b, "labkey.url.base", strings.TrimSuffix(pc.BaseURL, "/")+"/")
	writeRAssign(&b, "labkey.url.path", strings.TrimSuffix(pc.ContainerPath, "/")+"/")
	writeRAssign(&b, "labkey.user.email", pc.UserEmail)
	if pc.WorkDir != "" {
		writeRAssign(&b, "labkey.file.root", strings.ReplaceAll(pc.WorkDir, `\`, "/"))
	}
	if pc.SessionID != "" {
		writeRAssign(&b, "labkey.sessionCookieContents", pc.SessionID)
	}
	if pc.HasInput {
		b.WriteString(`labkey.data <- read.table("${` + InputToken + `}", header=TRUE, sep="\t", quote="\"", comment.char="", check.names=FALSE)` + "\n")
	}
	return b.String()
}

func writeRAssign(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(" <- ")
	b.WriteString(strconv.Quote(value))
	b.WriteString("\n")
}
