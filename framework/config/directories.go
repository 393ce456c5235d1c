/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

var (
	// StateDirectory contains the path to the directory that
	// should be used to store any data that should be
	// preserved between sessions: the push agent table, the
	// domain index and the shutdown marker.
	//
	// Value of this variable must not change after initialization
	// in the run command.
	StateDirectory = "/var/lib/spoolq"

	// RuntimeDirectory contains the path to the directory that
	// should be used to store any temporary data, such as unix
	// control sockets.
	//
	// Value of this variable must not change after initialization
	// in the run command.
	RuntimeDirectory = "/run/spoolq"
)

// ConfigFile is the configuration file read when no -config flag is
// given.
var ConfigFile = "/etc/spoolq/spoolq.toml"
