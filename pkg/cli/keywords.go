package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/optics-runner/pkg/executor"
)

var keywordsCommand = &cli.Command{
	Name:  "keywords",
	Usage: "List the keyword catalogue",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the catalogue as JSON",
		},
	},
	Action: func(c *cli.Context) error {
		keywords := executor.Keywords()
		if c.Bool("json") {
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(keywords)
		}

		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "KEYWORD\tPARAMS\tDESCRIPTION")
		for _, k := range keywords {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", k.Name, strings.Join(k.Params, " "), k.Description)
		}
		return tw.Flush()
	},
}
