package simulation

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

// String prints a table with one row per drone.
func (r *Results) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{
		"Drone", "Keyframes", "Odom RMSE", "Odom Max", "Graph RMSE", "PGO RMSE", "Loops", "Remote", "Path", "Last Solve",
	})
	for _, d := range r.Drones {
		t.AppendRow([]interface{}{
			fmt.Sprintf("%d", d.DroneID),
			fmt.Sprintf("%d", d.Keyframes),
			fmt.Sprintf("%.4f", d.OdometryRMSE),
			fmt.Sprintf("%.4f", d.MaxOdometryError),
			fmt.Sprintf("%.4f", d.GraphRMSE),
			fmt.Sprintf("%.4f", d.OptimizedRMSE),
			fmt.Sprintf("%d", d.LoopEdges),
			fmt.Sprintf("%d", d.RemoteFrames),
			fmt.Sprintf("%.2f", d.PathLength),
			d.LastSolve.Termination.String(),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", fmt.Sprintf("%d/%d", r.Delivered, r.Delivered+r.Dropped), "", r.Elapsed.String()})
	return t.Render()
}
