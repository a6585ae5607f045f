/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

// ProgramName is the name of the program
const ProgramName = "awesome-server"

// Version is the current version of the program
const Version = "0.3.0"
