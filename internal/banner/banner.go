package banner

import (
	"fmt"
)

// Logo is the ASCII art logo for Foreman
const Logo = `
   ███████╗ ██████╗ ██████╗ ███████╗███╗   ███╗ █████╗ ███╗   ██╗
   ██╔════╝██╔═══██╗██╔══██╗██╔════╝████╗ ████║██╔══██╗████╗  ██║
   █████╗  ██║   ██║██████╔╝█████╗  ██╔████╔██║███████║██╔██╗ ██║
   ██╔══╝  ██║   ██║██╔══██╗██╔══╝  ██║╚██╔╝██║██╔══██║██║╚██╗██║
   ██║     ╚██████╔╝██║  ██║███████╗██║ ╚═╝ ██║██║  ██║██║ ╚████║
   ╚═╝      ╚═════╝ ╚═╝  ╚═╝╚══════╝╚═╝     ╚═╝╚═╝  ╚═╝╚═╝  ╚═══╝
`

// Tagline is the project tagline
const Tagline = "Agents That Clear Your Backlog"

// Print prints the banner with tagline
func Print() {
	fmt.Print(Logo)
	fmt.Printf("   %s\n\n", Tagline)
}

// PrintWithVersion prints the banner with version info
func PrintWithVersion(version string) {
	fmt.Print(Logo)
	fmt.Printf("   %s\n", Tagline)
	fmt.Printf("   v%s\n\n", version)
}

// PrintCompact prints a compact single-line banner
func PrintCompact() {
	fmt.Println("🚀 Foreman - Agents That Clear Your Backlog")
}
